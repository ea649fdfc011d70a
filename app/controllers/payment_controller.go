package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/beastdl/beastdl/internal/pkg/billing"
	"github.com/beastdl/beastdl/internal/pkg/usercontext"
)

var billingService *billing.Service
var callbackSecret string

// InitializePaymentController wires the payment endpoints to the billing
// service. The secret authenticates provider callbacks.
func InitializePaymentController(svc *billing.Service, secret string) {
	billingService = svc
	callbackSecret = secret
}

type createPaymentRequest struct {
	Plan string `json:"plan"`
}

// HandleCreatePayment opens a payment intent for a plan upgrade and returns
// the provider reference the user pays against.
func HandleCreatePayment(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsAuthenticated {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req createPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	intent, err := billingService.CreateIntent(c.Context(), userCtx.UserID, req.Plan)
	if err != nil {
		if errors.Is(err, billing.ErrFreePlan) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Unknown or free plan, nothing to pay"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create payment"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"reference": intent.ProviderRef,
		"plan":      intent.TargetPlan,
		"amount":    intent.Amount,
		"state":     intent.State,
	})
}

type paymentCallbackRequest struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// HandlePaymentCallback processes the provider's settlement callback. The
// payload is authenticated by HMAC signature, and the endpoint always
// acknowledges known-shape callbacks so the provider stops retrying.
func HandlePaymentCallback(c *fiber.Ctx) error {
	if !billing.VerifyCallbackSignature(c.Body(), c.Get("X-Signature"), callbackSecret) {
		log.Warnf("[Payment] Callback with bad signature rejected")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid signature"})
	}

	var req paymentCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.Reference == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "reference missing"})
	}

	outcome, err := billingService.HandleCallback(c.Context(), req.Reference, req.Amount, req.Status)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Callback processing failed"})
	}

	resp := fiber.Map{"acknowledged": true, "applied": outcome.Applied}
	if outcome.State != "" {
		resp["state"] = outcome.State
	}
	if outcome.Reason != "" {
		resp["reason"] = outcome.Reason
	}
	return c.JSON(resp)
}
