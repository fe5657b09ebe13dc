/*
Package resilience provides restart budgets for supervised protection domains.

# Overview

A protection domain whose thread hits an unresolvable page fault is
restarted as long as it has budget left. A domain that keeps faulting
exhausts its budget and is killed instead of being restarted forever.

# States

- Closed: faults are counted, each one is allowed a restart
- Open: the budget is exhausted, faults are answered with a kill
- Half-Open: after the cooldown one trial restart is allowed

# Pattern

	Closed --[> MaxRestarts faults in Interval]-> Open --[Cooldown]-> Half-Open
	   ^                                                                |
	   +-----------------[Interval without fault]-----------------------+
	                                                                    |
	                                    Open <------[fault after trial]-+

# Usage

	budget := resilience.New("pd:init", resilience.Settings{
		MaxRestarts: 3,
		Interval:    time.Minute,
		Cooldown:    5 * time.Minute,
	})

	if err := budget.Charge(); err != nil {
		// exhausted: kill the domain
	}
*/
package resilience
