package campaign

// DeriveStatus maps URL counters to the aggregate campaign status.
//
// A campaign is complete only when every URL was accepted by the provider.
// While any URL is unresolved it stays in progress; once all URLs are resolved
// and at least one failed, the campaign is failed even if others succeeded.
func DeriveStatus(total, indexed, failed int) Status {
	switch {
	case total > 0 && indexed == total:
		return StatusComplete
	case indexed+failed < total:
		return StatusInProgress
	default:
		return StatusFailed
	}
}

// Terminal reports whether the URL status is a final outcome.
func (s URLStatus) Terminal() bool {
	return s == URLSubmitted || s == URLFailed
}

// Apply adjusts the campaign counters for a pending URL reaching status to.
// It returns false without modifying the campaign when the URL is not pending.
func (c *Campaign) Apply(index int, to URLStatus) bool {
	if index < 0 || index >= len(c.URLStatuses) || !to.Terminal() {
		return false
	}
	if c.URLStatuses[index] != URLPending {
		return false
	}
	c.URLStatuses[index] = to
	if to == URLSubmitted {
		c.IndexedCount++
	} else {
		c.FailedCount++
	}
	c.Status = DeriveStatus(c.TotalURLs, c.IndexedCount, c.FailedCount)
	return true
}
