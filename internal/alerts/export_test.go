package alerts

// Patients reports how many patient indexes are held, for tests.
func (d *Deduplicator) Patients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.patients)
}
