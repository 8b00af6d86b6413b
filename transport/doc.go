// Package transport implements the local-network delivery substrate for
// lanvoice.
//
// This package handles packet formatting, the fixed audio frame header, UDP
// unicast sessions, and UDP broadcast discovery of nearby peers.
//
// Example:
//
//	t, err := transport.NewUDPTransport(self, ":0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pkt := &transport.Packet{
//	    PacketType: transport.PacketAudioFrame,
//	    Data:       []byte{...},
//	}
//
//	err = t.Send(peer, pkt, transport.Unreliable)
package transport
