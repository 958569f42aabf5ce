package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jhoicas/Ventas-api/internal/application/sales"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
)

var _ sales.EventPublisher = (*SaleEventPublisher)(nil)

// EventSaleCompleted tipo del evento publicado tras el commit de una venta.
const EventSaleCompleted = "sale.completed"

// SaleCompletedEvent payload JSON del evento. Los montos viajan como string con 2 decimales.
type SaleCompletedEvent struct {
	Type        string              `json:"type"`
	SaleID      string              `json:"sale_id"`
	Reference   string              `json:"reference"`
	CreatedBy   string              `json:"created_by"`
	Subtotal    string              `json:"subtotal"`
	Discount    string              `json:"discount_amount"`
	Tax         string              `json:"tax_amount"`
	FinalAmount string              `json:"final_amount"`
	CompletedAt time.Time           `json:"completed_at"`
	Items       []SaleCompletedItem `json:"items"`
}

// SaleCompletedItem línea del evento.
type SaleCompletedItem struct {
	ProductID string `json:"product_id"`
	Location  string `json:"location"`
	Quantity  int    `json:"quantity"`
	Total     string `json:"total_amount"`
}

// messageWriter subconjunto de *kafka.Writer usado por el publicador.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SaleEventPublisher publica SaleCompletedEvent en un topic, con el id de venta como key.
type SaleEventPublisher struct {
	writer messageWriter
}

// NewKafkaWriter writer con balanceo por hash de key (todas las versiones de una venta van a la misma partición).
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewSaleEventPublisher construye el publicador sobre un writer ya configurado.
func NewSaleEventPublisher(writer *kafka.Writer) *SaleEventPublisher {
	return &SaleEventPublisher{writer: writer}
}

// PublishSaleCompleted serializa la venta y la escribe con el contexto de traza en los headers.
func (p *SaleEventPublisher) PublishSaleCompleted(ctx context.Context, sale *entity.Sale) error {
	value, err := json.Marshal(newSaleCompletedEvent(sale))
	if err != nil {
		return fmt.Errorf("encode sale event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(sale.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventSaleCompleted)},
		},
	}
	injectTraceContext(ctx, &msg.Headers)

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish sale %s: %w", sale.ID, err)
	}
	return nil
}

// Close cierra el writer subyacente.
func (p *SaleEventPublisher) Close() error {
	return p.writer.Close()
}

func newSaleCompletedEvent(s *entity.Sale) SaleCompletedEvent {
	ev := SaleCompletedEvent{
		Type:        EventSaleCompleted,
		SaleID:      s.ID,
		Reference:   s.Reference,
		CreatedBy:   s.CreatedBy,
		Subtotal:    s.Subtotal.StringFixed(2),
		Discount:    s.DiscountAmount.StringFixed(2),
		Tax:         s.TaxAmount.StringFixed(2),
		FinalAmount: s.FinalAmount.StringFixed(2),
		Items:       make([]SaleCompletedItem, 0, len(s.Items)),
	}
	if s.CompletedAt != nil {
		ev.CompletedAt = *s.CompletedAt
	}
	for _, it := range s.Items {
		ev.Items = append(ev.Items, SaleCompletedItem{
			ProductID: it.ProductID,
			Location:  it.Location,
			Quantity:  it.Quantity,
			Total:     it.TotalAmount.StringFixed(2),
		})
	}
	return ev
}
