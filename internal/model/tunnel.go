package model

// TunnelInfo holds the tunnel parameters learned from the server's
// PUSH_REPLY and the hard-reset OCC exchange: the address and netmask
// assigned to the client, the gateway, the negotiated MTU and the
// server's view of our peer id (used to tag outgoing P_DATA_V2
// packets once it is known).
type TunnelInfo struct {
	IP      string
	GW      string
	NetMask string
	MTU     int
	PeerID  int
}
