package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	loc := s.loc
	defs := make([]*scheduleDef, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			Name:    d.name,
			Kind:    d.trigger.Kind().String(),
			Spec:    d.trigger.String(),
			Timeout: d.opt.Timeout,
			Overlap: d.opt.Overlap.String(),
			Fired:   d.fired.Load(),
			Spread:  d.spread,
		}
		if ms, ok := d.handle.Next(); ok {
			it.Next = time.UnixMilli(ms).In(loc)
		}
		if ms := d.prevMs.Load(); ms != 0 {
			it.Prev = time.UnixMilli(ms).In(loc)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	snap := Snapshot{
		Enabled:   enabled,
		Timezone:  loc.String(),
		Schedules: items,
		Timer:     s.timer.Stats(),
	}
	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}
