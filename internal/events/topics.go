package events

// Topic constants for domain events emitted by the pricing service.
const (
	TopicPromotionCreated     = "promotion.created"
	TopicPromotionUpdated     = "promotion.updated"
	TopicPromotionDeactivated = "promotion.deactivated"
	TopicPromotionUsed        = "promotion.used"
	TopicProductUpdated       = "product.updated"
	TopicOrderPriced          = "order.priced"
)

// PromotionTopics lists the topics that mutate promotion state.
func PromotionTopics() []string {
	return []string{
		TopicPromotionCreated,
		TopicPromotionUpdated,
		TopicPromotionDeactivated,
		TopicPromotionUsed,
	}
}

// PromotionUsedPayload is published after a usage reservation.
type PromotionUsedPayload struct {
	PromotionID string `json:"promotionId"`
	Code        string `json:"code"`
	UserID      string `json:"userId"`
	OrderID     string `json:"orderId"`
	Amount      string `json:"amount"`
	Exhausted   bool   `json:"exhausted"`
}

// PromotionChangedPayload is published on promotion create, update and deactivate.
type PromotionChangedPayload struct {
	PromotionID string `json:"promotionId"`
	Code        string `json:"code"`
	Active      bool   `json:"active"`
}

// ProductUpdatedPayload is published when a product's price inputs change.
type ProductUpdatedPayload struct {
	ProductID string `json:"productId"`
}

// OrderPricedPayload is published after checkout pricing is committed.
type OrderPricedPayload struct {
	OrderID        string   `json:"orderId"`
	UserID         string   `json:"userId"`
	OriginalTotal  string   `json:"originalTotal"`
	DiscountAmount string   `json:"discountAmount"`
	FinalTotal     string   `json:"finalTotal"`
	Applied        []string `json:"applied"`
	PromotionCode  string   `json:"promotionCode,omitempty"`
	UsagePending   bool     `json:"usagePending,omitempty"`
}
