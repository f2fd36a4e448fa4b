// Package instrument measures the execution cost of third-party components
// registered with the host.
//
// The host stores every registered event handler, scheduled task and command
// executor in a Slot and resolves the slot on each dispatch. The Registry
// swaps a timing wrapper into a slot (inject) and swaps the original back
// (uninject); the host never notices the difference.
//
// # Basic Usage
//
//	reg := instrument.NewRegistry(instrument.DefaultOptions(), logger, bus, scheduler, commands)
//	defer reg.UninjectAll()
//
//	// Wrap everything the "economy" module registered.
//	if _, err := reg.InjectModule("economy"); err != nil {
//	    logger.Warn("partial instrumentation", zap.Error(err))
//	}
//
//	for _, st := range reg.StatsFor("economy") {
//	    fmt.Printf("%s %s: %d calls, avg %v\n", st.Kind, st.Name, st.Count, st.Average)
//	}
//
// # Thread Safety
//
// Wrappers update per-component atomics and a histogram guarded by a mutex
// owned by that component alone, so unrelated components never contend. The
// module map has its own lock, used only by inject, uninject and stats
// queries. A call that loaded a wrapper before uninject returns finishes on
// that wrapper; later dispatches see the original.
package instrument
