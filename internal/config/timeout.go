package config

import (
	"sync/atomic"
	"time"
)

// Timeouts holds timeout values whose lock-free getters and setters allow
// changing them at runtime without a restart. Nothing in the controller
// constructs or reads a Timeouts: the control channel does not adjust it
// and the scheduler does not consult it.
type Timeouts struct {
	dependencyTimeout atomic.Int64 // seconds; 0 means "no default"
	registrationGrace atomic.Int64 // seconds an engine has to complete registration
}

// NewTimeouts seeds a Timeouts from a loaded Controller configuration.
func NewTimeouts(c *Controller) *Timeouts {
	t := &Timeouts{}
	t.dependencyTimeout.Store(int64(c.DependencyTimeoutS))
	t.registrationGrace.Store(30)
	return t
}

// DependencyTimeout returns the default wait for an unmet "after"
// dependency before the task fails with DependencyTimeout. Zero means no
// default is enforced and the task waits indefinitely (or until its own
// per-task timeout, if set).
func (t *Timeouts) DependencyTimeout() time.Duration {
	return time.Duration(t.dependencyTimeout.Load()) * time.Second
}

// SetDependencyTimeout updates the default dependency timeout.
func (t *Timeouts) SetDependencyTimeout(d time.Duration) {
	t.dependencyTimeout.Store(int64(d / time.Second))
}

// RegistrationGrace returns the stored registration grace period (30
// seconds from NewTimeouts). The hub does not read it.
func (t *Timeouts) RegistrationGrace() time.Duration {
	return time.Duration(t.registrationGrace.Load()) * time.Second
}

// SetRegistrationGrace updates the registration grace period.
func (t *Timeouts) SetRegistrationGrace(d time.Duration) {
	t.registrationGrace.Store(int64(d / time.Second))
}
