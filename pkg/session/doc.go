/*
Package session owns the lifecycle of terminal sessions: creation with
quota and port reservation, connection reference counting, deletion,
startup recovery and dead-container reaping.

# Architecture

The Registry is the single authority over session state. Collaborators
are injected so the whole lifecycle runs against a stub engine in tests:

	┌───────────────────── SESSION REGISTRY ─────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐          │
	│  │            sessions map[id]*Session           │          │
	│  │  guarded by one coarse mutex; no container    │          │
	│  │  or disk I/O ever happens under the lock      │          │
	│  └───────┬───────────────┬───────────────┬──────┘          │
	│          │               │               │                  │
	│  ┌───────▼──────┐ ┌──────▼───────┐ ┌─────▼──────────┐      │
	│  │ ports        │ │ runtime      │ │ ownership      │      │
	│  │ .Allocator   │ │ .Driver      │ │ .Store (bbolt) │      │
	│  │ loopback     │ │ container    │ │ survives       │      │
	│  │ port pool    │ │ engine       │ │ restarts       │      │
	│  └──────────────┘ └──────────────┘ └────────────────┘      │
	│                                                             │
	└─────────────────────────────────────────────────────────────┘

# Session lifecycle

	creating ──terminal answers──▶ ready ──Delete──▶ deleting
	    │                            │                   │
	    │                            └─container died────┤
	    │                              (reaper marks)    │
	    └──start failure──▶ compensated away     last Release()
	       (port freed, container                 tears down:
	        removed, never observable)            container removed,
	                                              port freed once,
	                                              record removed

Create reserves the user's quota slot and a port atomically, then does
the slow engine work outside the lock, compensating on failure so no
port, container, workspace or ownership record is ever leaked. A Delete
that lands while the session is still creating only marks it: the
Create call observes the mark once provisioning settles and unwinds its
own work. Acquire hands out a single-use Handle per attached
connection; a session marked for deletion refuses new handles and is
torn down by whichever goroutine drains the last one.

Containers carry a session label and restart policy "unless-stopped",
so they outlive the server process. Recover adopts them on startup and
Reap (driven by Run) removes sessions whose containers died behind our
back.
*/
package session
