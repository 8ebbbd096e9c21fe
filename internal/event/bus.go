package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Name string

const (
	ContractActivated  Name = "contract.activated"
	ContractCompleted  Name = "contract.completed"
	ContractCancelled  Name = "contract.cancelled"
	MilestoneFunded    Name = "milestone.funded"
	MilestoneSubmitted Name = "milestone.submitted"
	MilestoneAccepted  Name = "milestone.accepted"
	EscrowReleased     Name = "escrow.released"
	EscrowRefunded     Name = "escrow.refunded"
	DisputeOpened      Name = "dispute.opened"
	DisputeResolved    Name = "dispute.resolved"
	TimesheetApproved  Name = "timesheet.approved"
	ScreenshotDeleted  Name = "screenshot.deleted"
	InvoiceIssued      Name = "invoice.issued"
)

type Event struct {
	Name       Name
	ContractID uuid.UUID
	EntityID   uuid.UUID
	ActorID    uuid.UUID
	OccurredAt time.Time
	Payload    map[string]interface{}
}

type Handler func(Event)

// Bus is an in-process fan-out with fire-and-forget delivery. A slow or
// panicking subscriber never blocks or fails the publishing transaction.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	log      zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[Name][]Handler),
		log:      log,
	}
}

func (b *Bus) Subscribe(name Name, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

func (b *Bus) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := b.handlers[evt.Name]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event", string(evt.Name)).Msg("event handler panicked")
				}
			}()
			h(evt)
		}(handler)
	}

	b.log.Debug().
		Str("event", string(evt.Name)).
		Str("contract_id", evt.ContractID.String()).
		Msg("event published")
}
