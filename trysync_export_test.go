package hub

// Tick exposes the unexported tick method to the external hub_test
// package, which cannot itself live in package hub (that would
// reintroduce an import cycle with internal/reflog).
func (d *TrysyncDriver) Tick() {
	d.tick()
}
