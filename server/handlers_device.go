package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/gorilla/websocket"

	"github.com/keywarden/hww-agent/device"
	"github.com/keywarden/hww-agent/protocol"
	"github.com/keywarden/hww-agent/transport"
)

// DeviceHandler routes the device command surface (discover, dispatch,
// resume, cancel) to the hub and pumps hub events out to clients.
type DeviceHandler struct {
	hub *device.Hub
}

// NewDeviceHandler creates a DeviceHandler over the given hub.
func NewDeviceHandler(hub *device.Hub) *DeviceHandler {
	return &DeviceHandler{hub: hub}
}

// Register implements ServerHandler.
func (h *DeviceHandler) Register(server HandlerServer) {
	server.Handle(protocol.CmdDiscover, h.handleDiscover)
	server.Handle(protocol.CmdDispatch, h.handleDispatch)
	server.Handle(protocol.CmdResume, h.handleResume)
	server.Handle(protocol.CmdCancel, h.handleCancel)

	server.StartLifecycle(func(ctx context.Context) {
		go h.pumpEvents(ctx, server)
	})
}

// pumpEvents forwards hub events to all connected clients until the server
// context is cancelled.
func (h *DeviceHandler) pumpEvents(ctx context.Context, server HandlerServer) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-h.hub.Events():
			if !ok {
				return
			}
			messageType, payload := protocol.FromEvent(e)
			server.Broadcast(messageType, payload)
		}
	}
}

// decodePayload re-marshals the loosely typed request payload into a typed
// DTO.
func decodePayload(req WebsocketRequest, out any) error {
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (h *DeviceHandler) handleDiscover(ctx context.Context, conn *websocket.Conn, req WebsocketRequest) error {
	identities, err := h.hub.Discover()
	if err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrorCodeFor(err), err.Error())
		return err
	}

	entries := make([]protocol.DeviceEntry, 0, len(identities))
	for _, id := range identities {
		entries = append(entries, protocol.FromIdentity(id))
	}
	return SendSuccessResponse(conn, req.ID, WSTypeDiscoverResponse, map[string]any{
		"devices": entries,
	})
}

func (h *DeviceHandler) handleDispatch(ctx context.Context, conn *websocket.Conn, req WebsocketRequest) error {
	var dispatch protocol.DispatchRequest
	if err := decodePayload(req, &dispatch); err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, "Invalid dispatch payload")
		return err
	}
	if dispatch.DeviceID == "" {
		err := fmt.Errorf("dispatch: missing deviceId")
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, err.Error())
		return err
	}

	kind, err := device.OpKindFromString(dispatch.Kind)
	if err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, err.Error())
		return err
	}
	payload, err := protocol.DecodePayload(dispatch.Payload)
	if err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, "Payload is not valid hex")
		return err
	}

	requestID, _, err := h.hub.Dispatch(dispatch.DeviceID, device.Operation{
		Kind: kind,
		Request: transport.Frame{
			Type:    dispatch.MessageType,
			Payload: payload,
		},
	})
	if err != nil {
		log.Printf("Dispatch to %s failed: %v", dispatch.DeviceID, err)
		SendErrorResponse(conn, req.ID, protocol.ErrorCodeFor(err), err.Error())
		return err
	}

	// The terminal outcome is delivered as a device:result event; the
	// response only acknowledges queueing.
	return SendSuccessResponse(conn, req.ID, WSTypeDispatchResponse, protocol.DispatchResponse{
		RequestID: requestID,
	})
}

func (h *DeviceHandler) handleResume(ctx context.Context, conn *websocket.Conn, req WebsocketRequest) error {
	var resume protocol.ResumeRequest
	if err := decodePayload(req, &resume); err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, "Invalid resume payload")
		return err
	}
	if resume.RequestID == "" {
		err := fmt.Errorf("resume: missing requestId")
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, err.Error())
		return err
	}

	payload, err := protocol.DecodePayload(resume.Payload)
	if err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, "Payload is not valid hex")
		return err
	}

	if err := h.hub.Resume(resume.RequestID, payload); err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrorCodeFor(err), err.Error())
		return err
	}
	return SendSuccessResponse(conn, req.ID, WSTypeResumeResponse, nil)
}

func (h *DeviceHandler) handleCancel(ctx context.Context, conn *websocket.Conn, req WebsocketRequest) error {
	var cancel protocol.CancelRequest
	if err := decodePayload(req, &cancel); err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, "Invalid cancel payload")
		return err
	}
	if cancel.DeviceID == "" {
		err := fmt.Errorf("cancel: missing deviceId")
		SendErrorResponse(conn, req.ID, protocol.ErrCodeInvalidRequest, err.Error())
		return err
	}

	if err := h.hub.Cancel(cancel.DeviceID); err != nil {
		SendErrorResponse(conn, req.ID, protocol.ErrorCodeFor(err), err.Error())
		return err
	}
	return SendSuccessResponse(conn, req.ID, WSTypeCancelResponse, nil)
}
