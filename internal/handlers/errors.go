package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
)

// errorStatus is the single translation from error kind to HTTP status.
var errorStatus = map[apperr.Kind]int{
	apperr.KindNotAuthorized:         fiber.StatusForbidden,
	apperr.KindNotFound:              fiber.StatusNotFound,
	apperr.KindQuotaExceeded:         fiber.StatusConflict,
	apperr.KindInvalidState:          fiber.StatusConflict,
	apperr.KindInvalidArgument:       fiber.StatusBadRequest,
	apperr.KindInvalidAmount:         fiber.StatusBadRequest,
	apperr.KindMissingIdempotencyKey: fiber.StatusBadRequest,
	apperr.KindAlreadyProcessed:      fiber.StatusConflict,
	apperr.KindOperationInProgress:   fiber.StatusTooManyRequests,
	apperr.KindInsufficientFunds:     fiber.StatusPaymentRequired,
	apperr.KindDailyLimitExceeded:    fiber.StatusUnprocessableEntity,
	apperr.KindStorage:               fiber.StatusInternalServerError,
}

const msgInternal = "Error interno, intenta de nuevo más tarde"

func statusFor(kind apperr.Kind) int {
	if status, ok := errorStatus[kind]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// respondError writes the standard error envelope. data is attached when the
// error carries a prior result, as AlreadyProcessed does.
func respondError(c *fiber.Ctx, log logrus.FieldLogger, err error, data interface{}) error {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	message := apperr.MessageOf(err)
	if status >= fiber.StatusInternalServerError || message == "" {
		log.WithError(err).WithFields(logrus.Fields{
			"path":   c.Path(),
			"method": c.Method(),
		}).Error("request failed")
		message = msgInternal
	}

	body := fiber.Map{
		"success": false,
		"message": message,
		"code":    kind.String(),
	}
	if data != nil {
		body["data"] = data
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"message": message,
		"code":    apperr.KindInvalidArgument.String(),
	})
}

// ErrorHandler is the fiber app error handler for errors no handler mapped.
func ErrorHandler(log logrus.FieldLogger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if fe, ok := err.(*fiber.Error); ok {
			return c.Status(fe.Code).JSON(fiber.Map{
				"success": false,
				"message": fe.Message,
			})
		}
		return respondError(c, log, err, nil)
	}
}
