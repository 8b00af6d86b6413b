// Package session implements peer session management for lanvoice.
//
// This package owns the discovery lifecycle (advertise and browse), the
// invitation handshake, bubble membership, and per-peer connection state
// tracking with bounded join retries.
//
// Example:
//
//	m := session.NewManager(t, session.DefaultConfig())
//	m.OnBubbleFound(func(info session.BubbleInfo) { ... })
//	if err := m.StartDiscovery(); err != nil {
//	    log.Fatal(err)
//	}
//	info, err := m.CreateBubble("Demo")
package session
