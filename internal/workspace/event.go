package workspace

import "github.com/tmbx/kwm/internal/codec"

// encodeEventRecord packs an Event (namespace, type, payload) into the
// bytes stored by the event log, so namespace classification survives
// a round trip through persistence (§3 "Event log entry").
func encodeEventRecord(ev *Event) []byte {
	w := &codec.Writer{}
	w.PutU32(uint32(ev.Namespace))
	w.PutU32(ev.Type)
	w.PutBin(ev.Payload)
	return w.Bytes()
}

func decodeEventRecord(eventID uint64, data []byte) (*Event, error) {
	r := codec.NewReader(data)
	ns, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	typ, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	payload, err := r.GetBin()
	if err != nil {
		return nil, err
	}
	return &Event{EventID: eventID, Namespace: AppID(ns), Type: typ, Payload: payload}, nil
}
