package payment

import (
	"context"
	"errors"

	"github.com/razorpay/razorpay-go/utils"
)

var ErrMissingProof = errors.New("payment proof is incomplete")

// Proof is what the checkout widget hands back after a successful charge.
type Proof struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

// Verifier answers the one question finalize needs: did this payment
// really happen.
type Verifier interface {
	Verify(ctx context.Context, p Proof) (bool, error)
}

type RazorpayVerifier struct {
	keySecret string
}

func NewRazorpayVerifier(keySecret string) *RazorpayVerifier {
	return &RazorpayVerifier{keySecret: keySecret}
}

// Verify checks the checkout signature, an HMAC-SHA256 of
// "order_id|payment_id" keyed with the account secret.
func (v *RazorpayVerifier) Verify(_ context.Context, p Proof) (bool, error) {
	if p.OrderID == "" || p.PaymentID == "" || p.Signature == "" {
		return false, ErrMissingProof
	}
	attrs := map[string]interface{}{
		"razorpay_order_id":   p.OrderID,
		"razorpay_payment_id": p.PaymentID,
	}
	return utils.VerifyPaymentSignature(attrs, p.Signature, v.keySecret), nil
}

// StaticVerifier accepts any proof carrying a payment id. Dev only.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, p Proof) (bool, error) {
	if p.PaymentID == "" {
		return false, ErrMissingProof
	}
	return true, nil
}
