package service

import (
	"encoding/json"
	"fmt"
)

// Control message types exchanged over the in-band channel. A transfer is
// announced first so the receiver can post a matching data receive, then
// acknowledged once the payload landed.
const (
	CtrlAnnounce = "announce"
	CtrlAck      = "ack"
)

// Ctrl is the JSON body of every in-band control message.
type Ctrl struct {
	Type string `json:"type"`
	Seq  uint32 `json:"sn"`
	Len  int    `json:"len,omitempty"`
}

func (m Ctrl) Marshal() []byte {
	data, _ := json.Marshal(m)
	return data
}

// ParseCtrl decodes and validates one control message.
func ParseCtrl(buf []byte) (Ctrl, error) {
	var m Ctrl
	if err := json.Unmarshal(buf, &m); err != nil {
		return Ctrl{}, fmt.Errorf("control message: %w", err)
	}
	switch m.Type {
	case CtrlAnnounce:
		if m.Len <= 0 {
			return Ctrl{}, fmt.Errorf("control message: announce with length %d", m.Len)
		}
	case CtrlAck:
	default:
		return Ctrl{}, fmt.Errorf("control message: unknown type %q", m.Type)
	}
	return m, nil
}
