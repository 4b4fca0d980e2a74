package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
	"github.com/emilioale04/steam-clone-sub003/internal/keycodec"
	"github.com/emilioale04/steam-clone-sub003/internal/middleware"
	"github.com/emilioale04/steam-clone-sub003/internal/services"
)

type KeyHandler struct {
	keys *services.KeyService
	log  logrus.FieldLogger
}

func NewKeyHandler(keys *services.KeyService, log logrus.FieldLogger) *KeyHandler {
	return &KeyHandler{keys: keys, log: log}
}

// Issue creates a key for the product. The plaintext is only ever returned here.
func (h *KeyHandler) Issue(c *fiber.Ctx) error {
	issued, err := h.keys.IssueKey(c.UserContext(), c.Params("id"), middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err, nil)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    issued,
	})
}

// List returns the product's keys with their aggregates
func (h *KeyHandler) List(c *fiber.Ctx) error {
	listing, err := h.keys.ListKeys(c.UserContext(), c.Params("id"), middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err, nil)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    listing.Keys,
		"summary": listing.Summary,
	})
}

type deactivateRequest struct {
	Reason string `json:"reason"`
}

// Deactivate moves an active key to the deactivated state
func (h *KeyHandler) Deactivate(c *fiber.Ctx) error {
	var req deactivateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Cuerpo de la solicitud inválido")
		}
	}

	if err := h.keys.DeactivateKey(c.UserContext(), c.Params("id"), middleware.GetAccountID(c), req.Reason); err != nil {
		return respondError(c, h.log, err, nil)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Clave desactivada",
	})
}

type validateRequest struct {
	Key string `json:"key"`
}

// Validate checks a key's format and checksum. When the key belongs to one of
// the caller's products its id and state are included.
func (h *KeyHandler) Validate(c *fiber.Ctx) error {
	var req validateRequest
	if err := c.BodyParser(&req); err != nil || req.Key == "" {
		return badRequest(c, "Se requiere la clave a validar")
	}

	if !keycodec.IsValidKey(req.Key) {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    fiber.Map{"valid": false},
		})
	}

	data := fiber.Map{"valid": true, "key": keycodec.Format(keycodec.Normalize(req.Key))}
	found, err := h.keys.LookupKey(c.UserContext(), req.Key, middleware.GetAccountID(c))
	switch {
	case err == nil:
		data["stored"] = found
	case apperr.KindOf(err) == apperr.KindNotFound:
	default:
		return respondError(c, h.log, err, nil)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}
