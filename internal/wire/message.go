package wire

import (
	"encoding/json"
	"fmt"
)

// Datum is an already-serialized row or index value. The query compiler
// and storage engine own the real datum representation (see spec.md §1
// "External collaborators"); the changefeed core only ever copies,
// stores, and forwards these bytes, so an opaque JSON value is all this
// layer needs.
type Datum = json.RawMessage

// Kind discriminates the change-message tagged union on the wire. Keep
// this an explicit enum (not Go interface embedding/inheritance) per the
// "dynamic dispatch across change kinds" design note: the union is a
// closed set of five shapes, not an open class hierarchy.
type Kind uint8

const (
	KindChange Kind = iota
	KindStop
	KindLimitStart
	KindLimitChange
	KindLimitStop
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindStop:
		return "stop"
	case KindLimitStart:
		return "limit_start"
	case KindLimitChange:
		return "limit_change"
	case KindLimitStop:
		return "limit_stop"
	default:
		return "unknown"
	}
}

// Message is any member of the change-message tagged union.
type Message interface {
	Kind() Kind
	// Visit dispatches to the matching method of v. Implementations never
	// need a type switch at the call site; Visitor does.
	Visit(v Visitor)
}

// Visitor receives exactly one callback, matching the concrete type of
// the Message it was handed.
type Visitor interface {
	VisitChange(*Change)
	VisitStop(*Stop)
	VisitLimitStart(*LimitStart)
	VisitLimitChange(*LimitChange)
	VisitLimitStop(*LimitStop)
}

// Change carries an {old_val, new_val} mutation plus the index values the
// row had before and after, used by range subscriptions over a secondary
// index to detect whether the row entered, left, or stayed in the
// index's matched set.
type Change struct {
	OldIndexes map[string][]Datum `json:"old_indexes,omitempty"`
	NewIndexes map[string][]Datum `json:"new_indexes,omitempty"`
	OldVal     Datum              `json:"old_val,omitempty"`
	NewVal     Datum              `json:"new_val,omitempty"`
}

func (*Change) Kind() Kind           { return KindChange }
func (c *Change) Visit(v Visitor)    { v.VisitChange(c) }

// Stop tells the subscriber this publisher no longer serves it (shard
// drain, explicit unsubscribe, or peer teardown).
type Stop struct {
	Reason string `json:"reason,omitempty"`
}

func (*Stop) Kind() Kind        { return KindStop }
func (s *Stop) Visit(v Visitor) { v.VisitStop(s) }

// StartItem is one row of a limit subscription's initial materialized
// window, keyed by its mangled primary/tag and carrying the sort key
// (sindex value, if any) alongside the row itself.
type StartItem struct {
	MangledKey MangledKey `json:"mangled_key"`
	SindexVal  Datum      `json:"sindex_val,omitempty"`
	Row        Datum      `json:"row"`
}

// LimitStart is sent exactly once per (sub_id, shard): the shard's
// current top-N contribution at the moment the limit manager was
// created.
type LimitStart struct {
	SubID     SubscriptionID `json:"sub_id"`
	StartData []StartItem    `json:"start_data"`
}

func (*LimitStart) Kind() Kind        { return KindLimitStart }
func (l *LimitStart) Visit(v Visitor) { v.VisitLimitStart(l) }

// LimitChange reports one window mutation: a row left the window
// (OldKey set), entered it (NewVal set), or both (a re-ranking that
// replaced one row's position with another's).
type LimitChange struct {
	SubID  SubscriptionID `json:"sub_id"`
	OldKey *MangledKey    `json:"old_key,omitempty"`
	NewVal *StartItem     `json:"new_val,omitempty"`
}

func (*LimitChange) Kind() Kind        { return KindLimitChange }
func (l *LimitChange) Visit(v Visitor) { v.VisitLimitChange(l) }

// LimitStop tells the subscriber this limit manager aborted (refill
// failure); no further LimitChange will be sent for sub_id.
type LimitStop struct {
	SubID SubscriptionID `json:"sub_id"`
	Error string         `json:"error"`
}

func (*LimitStop) Kind() Kind        { return KindLimitStop }
func (l *LimitStop) Visit(v Visitor) { v.VisitLimitStop(l) }

// wireEnvelope is the JSON-on-the-wire shape of Envelope: a discriminator
// plus one populated payload field. Field order and tag names are part
// of the wire contract and must not change across versions (spec.md §6).
type wireEnvelope struct {
	PublisherID PublisherID `json:"publisher_id"`
	Stamp       Stamp       `json:"stamp"`
	Kind        Kind        `json:"kind"`
	Change      *Change      `json:"change,omitempty"`
	Stop        *Stop        `json:"stop,omitempty"`
	LimitStart  *LimitStart  `json:"limit_start,omitempty"`
	LimitChange *LimitChange `json:"limit_change,omitempty"`
	LimitStop   *LimitStop   `json:"limit_stop,omitempty"`
}

// MarshalJSON implements a stable discriminated-union encoding so old and
// new subscribers can both decode the kind they understand.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{PublisherID: e.PublisherID, Stamp: e.Stamp, Kind: e.Message.Kind()}
	switch m := e.Message.(type) {
	case *Change:
		w.Change = m
	case *Stop:
		w.Stop = m
	case *LimitStart:
		w.LimitStart = m
	case *LimitChange:
		w.LimitChange = m
	case *LimitStop:
		w.LimitStop = m
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", e.Message)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a stamped envelope and re-hydrates the correct
// concrete message type from its Kind discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.PublisherID = w.PublisherID
	e.Stamp = w.Stamp
	switch w.Kind {
	case KindChange:
		if w.Change == nil {
			return fmt.Errorf("wire: kind=change with no change payload")
		}
		e.Message = w.Change
	case KindStop:
		if w.Stop == nil {
			return fmt.Errorf("wire: kind=stop with no stop payload")
		}
		e.Message = w.Stop
	case KindLimitStart:
		if w.LimitStart == nil {
			return fmt.Errorf("wire: kind=limit_start with no payload")
		}
		e.Message = w.LimitStart
	case KindLimitChange:
		if w.LimitChange == nil {
			return fmt.Errorf("wire: kind=limit_change with no payload")
		}
		e.Message = w.LimitChange
	case KindLimitStop:
		if w.LimitStop == nil {
			return fmt.Errorf("wire: kind=limit_stop with no payload")
		}
		e.Message = w.LimitStop
	default:
		return fmt.Errorf("wire: unknown kind %d", w.Kind)
	}
	return nil
}
