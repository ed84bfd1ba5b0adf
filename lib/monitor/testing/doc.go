// Package testing provides a conformance suite for monitor.IMonitor implementations.
//
//	monitortesting.RunMonitorTests(t, "LocalMonitor", func() monitor.IMonitor {
//		return lmonitor.NewLocalMonitor()
//	})
package testing
