package queue

// Durable queue names shared by producers and consumers. Declaration is
// idempotent; every service ensures the queues it touches at startup.
const (
	ImageQueue    = "invoice_image_queue"
	QueryQueue    = "invoice_query_queue"
	DeliveryQueue = "client_response_queue"
)

// Header key carrying the optional message type tag.
const typeTagHeader = "message_type"
