package mpesa

import (
	"math"
	"strconv"
)

// Ack is the acknowledgement body the rail expects for every callback.
// Anything other than code 0 makes the rail redeliver. Reference echoes
// the correlation handle the callback carried, when it parsed.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
	Reference  string `json:"Reference,omitempty"`
}

// Accepted is the standard callback acknowledgement.
func Accepted() Ack {
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}

// AcceptedWith acknowledges a callback and echoes its reference back.
func AcceptedWith(reference string) Ack {
	return Ack{ResultCode: 0, ResultDesc: "Accepted", Reference: reference}
}

// MetadataItem is one name/value pair in callback metadata. Values are
// strings or JSON numbers depending on the field.
type MetadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// STKCallback is the result the rail posts after an STK push settles.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []MetadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// Succeeded reports whether the subscriber completed the payment.
func (c *STKCallback) Succeeded() bool {
	return c.Body.StkCallback.ResultCode == 0
}

// CheckoutID returns the checkout request handle for correlation.
func (c *STKCallback) CheckoutID() string {
	return c.Body.StkCallback.CheckoutRequestID
}

// Desc returns the rail's human-readable result description.
func (c *STKCallback) Desc() string {
	return c.Body.StkCallback.ResultDesc
}

// Receipt returns the M-Pesa receipt number, empty on failures.
func (c *STKCallback) Receipt() string {
	return c.metaString("MpesaReceiptNumber")
}

// AmountCents returns the settled amount in cents, 0 on failures.
func (c *STKCallback) AmountCents() int64 {
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == "Amount" {
			if f, ok := item.Value.(float64); ok {
				return int64(math.Round(f * 100))
			}
		}
	}
	return 0
}

// Phone returns the paying subscriber's MSISDN. The rail sends it as a
// JSON number.
func (c *STKCallback) Phone() string {
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == "PhoneNumber" {
			switch v := item.Value.(type) {
			case float64:
				return strconv.FormatInt(int64(v), 10)
			case string:
				return v
			}
		}
	}
	return ""
}

func (c *STKCallback) metaString(name string) string {
	for _, item := range c.Body.StkCallback.CallbackMetadata.Item {
		if item.Name == name {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// B2CResult is the result the rail posts after a B2C payment settles.
type B2CResult struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []MetadataItem `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// Succeeded reports whether the payout settled.
func (r *B2CResult) Succeeded() bool {
	return r.Result.ResultCode == 0
}

// Desc returns the rail's human-readable result description.
func (r *B2CResult) Desc() string {
	return r.Result.ResultDesc
}

// Receipt returns the rail's transaction id for the settled transfer.
func (r *B2CResult) Receipt() string {
	return r.Result.TransactionID
}

// B2CTimeout is what the rail posts to the queue-timeout URL: the
// original request, echoed back. Occasion carries the payout reference.
type B2CTimeout struct {
	Occasion string `json:"Occasion"`
}

// Reference returns the payout reference from the timed-out request.
func (t *B2CTimeout) Reference() string {
	return t.Occasion
}

// Reference returns the payout reference the request carried in its
// Occasion field, echoed back in the result parameters. Empty when the
// rail dropped it.
func (r *B2CResult) Reference() string {
	for _, item := range r.Result.ResultParameters.ResultParameter {
		if item.Name == "Occasion" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}
