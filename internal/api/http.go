package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/nexusdb/nexus/internal/apierr"
)

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, apierr.Newf(apierr.CodeInvalidValue, "decode args: %s", err)
	}
	return args, nil
}

func (s *Server) parseRequest(c *fiber.Ctx) (string, map[string]any, error) {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return "", nil, apierr.Newf(apierr.CodeProtocolError, "decode request body: %s", err)
	}
	if req.Path == "" {
		return "", nil, apierr.New(apierr.CodeProtocolError, `request requires a "path"`)
	}
	args, err := decodeArgs(req.Args)
	if err != nil {
		return "", nil, err
	}
	return req.Path, args, nil
}

func (s *Server) handleQuery(c *fiber.Ctx) error {
	path, args, err := s.parseRequest(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestDeadline(c.Context(), s.cfg.RequestDeadline)
	defer cancel()

	value, err := s.runQuery(ctx, path, args)
	if err != nil {
		return err
	}
	return c.JSON(queryResponse{Value: value})
}

func (s *Server) handleMutation(c *fiber.Ctx) error {
	path, args, err := s.parseRequest(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestDeadline(c.Context(), s.cfg.RequestDeadline)
	defer cancel()

	value, err := s.runMutation(ctx, path, args)
	if err != nil {
		return err
	}
	return c.JSON(queryResponse{Value: value})
}

func (s *Server) handleAction(c *fiber.Ctx) error {
	path, args, err := s.parseRequest(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestDeadline(c.Context(), s.cfg.RequestDeadline)
	defer cancel()

	value, err := s.actions.Run(ctx, path, args)
	if err != nil {
		return err
	}
	return c.JSON(queryResponse{Value: value})
}
