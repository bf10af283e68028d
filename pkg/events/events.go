// Package events defines the wire contract shared by the notification relay
// and its subscribers: the server-to-client Event and the client-to-server
// announce control message.
package events

import (
	"encoding/json"
	"fmt"
)

// Type discriminates notification events.
type Type string

const (
	AccessRequested Type = "ACCESS_REQUESTED"
	AccessApproved  Type = "ACCESS_APPROVED"
	AccessRejected  Type = "ACCESS_REJECTED"
	AccessRevoked   Type = "ACCESS_REVOKED"

	FileAccessRequested Type = "FILE_ACCESS_REQUESTED"
	FileAccessApproved  Type = "FILE_ACCESS_APPROVED"
	FileAccessRejected  Type = "FILE_ACCESS_REJECTED"
	FileAccessRevoked   Type = "FILE_ACCESS_REVOKED"
)

var knownTypes = map[Type]bool{
	AccessRequested: true, AccessApproved: true, AccessRejected: true, AccessRevoked: true,
	FileAccessRequested: true, FileAccessApproved: true, FileAccessRejected: true, FileAccessRevoked: true,
}

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool { return knownTypes[t] }

// Data carries the identifiers a UI needs to react to an event. On the wire
// it is one flat JSON object: the named fields plus any Extra keys.
type Data struct {
	RequestID            string
	RecordID             string
	RecordTitle          string
	DoctorName           string
	DoctorSpecialization string
	PatientName          string
	Extra                map[string]interface{}
}

func (d *Data) fields() map[string]*string {
	return map[string]*string{
		"requestId":            &d.RequestID,
		"recordId":             &d.RecordID,
		"recordTitle":          &d.RecordTitle,
		"doctorName":           &d.DoctorName,
		"doctorSpecialization": &d.DoctorSpecialization,
		"patientName":          &d.PatientName,
	}
}

// MarshalJSON writes the named fields, omitting empty ones, alongside Extra.
// A named field wins over an Extra key of the same name.
func (d Data) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Extra)+6)
	for k, v := range d.Extra {
		out[k] = v
	}
	for k, v := range d.fields() {
		if *v != "" {
			out[k] = *v
		} else {
			delete(out, k)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON fills the named fields and collects every other key in Extra.
func (d *Data) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = Data{}
	fields := d.fields()
	for k, v := range raw {
		if dst, ok := fields[k]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return fmt.Errorf("events: data.%s: %w", k, err)
			}
			continue
		}
		var extra interface{}
		if err := json.Unmarshal(v, &extra); err != nil {
			return err
		}
		if d.Extra == nil {
			d.Extra = make(map[string]interface{})
		}
		d.Extra[k] = extra
	}
	return nil
}

// Event is a single notification pushed to a connected user. Events are
// never stored; they exist only for one delivery attempt.
type Event struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
	Data    Data   `json:"data"`
}

// Encode returns the JSON text frame for e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a JSON text frame into an Event. Frames with an unknown
// type are rejected.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("events: unknown type %q", e.Type)
	}
	return e, nil
}

// ActionAnnounce is the only control action accepted from clients.
const ActionAnnounce = "announce"

// ClientMessage is an inbound control message. Token is set instead of (or
// in addition to) UserID when the relay requires signed announcements.
type ClientMessage struct {
	Action string `json:"action"`
	UserID string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Announce builds the announce control message for userID.
func Announce(userID, token string) ClientMessage {
	return ClientMessage{Action: ActionAnnounce, UserID: userID, Token: token}
}
