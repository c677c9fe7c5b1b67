package notify

import (
	"fmt"

	"github.com/danmuck/mediactl/internal/buffer"
	"github.com/danmuck/mediactl/internal/media"
)

// Kind names an asynchronous session event.
type Kind uint8

const (
	KindInputAvailable Kind = iota + 1
	KindOutputAvailable
	KindFormatChanged
	KindError
	KindStateChanged
)

var kindNames = map[Kind]string{
	KindInputAvailable:  "input_available",
	KindOutputAvailable: "output_available",
	KindFormatChanged:   "format_changed",
	KindError:           "error",
	KindStateChanged:    "state_changed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is the payload of one pending notification.
type Event struct {
	Kind      Kind
	Index     uint32
	Epoch     uint64
	Info      media.BufferInfo
	Format    media.Params
	ErrorKind media.ErrorKind
	Code      int32
	State     string
}

// HoldsSlot reports whether the event pins a buffer slot until resolved.
func (e Event) HoldsSlot() bool {
	return e.Kind == KindInputAvailable || e.Kind == KindOutputAvailable
}

// Direction of the slot referenced by a buffer event.
func (e Event) Direction() media.Direction {
	if e.Kind == KindInputAvailable {
		return media.Input
	}
	return media.Output
}

// deliveredOwner is who holds the slot once the client has been told about it:
// input slots go to the client to fill, output slots to the client to read.
func (e Event) deliveredOwner() buffer.Owner {
	if e.Kind == KindInputAvailable {
		return buffer.ProducerFilling
	}
	return buffer.QueuedToConsumer
}

// Disposition is the final outcome of one notification.
type Disposition uint8

const (
	Queued Disposition = iota
	Delivered
	Cancelled
	Dropped
)

func (d Disposition) String() string {
	switch d {
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Cancelled:
		return "cancelled"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}
