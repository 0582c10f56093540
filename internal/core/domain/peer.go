package domain

import "time"

// LocalPeer is a co-located instance discovered on the LAN broadcast
// scope. An entry expires if not refreshed within the peer timeout.
type LocalPeer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	LastSeen  time.Time `json:"last_seen"`
	Available bool      `json:"available"`
}

// Expired reports whether the entry has gone unseen past timeout.
func (p LocalPeer) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}
