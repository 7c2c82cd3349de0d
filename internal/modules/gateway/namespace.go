package gateway

import (
	"strings"

	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

// registerNamespace wires the /events namespace: the handshake's API key
// picks the project room, and an invalid key is disconnected before joining
// anything.
func (h *Hub) registerNamespace() {
	ns := h.sio.Of(namespaceEvents, nil)
	_ = ns.On("connection", func(args ...any) {
		client, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}

		key := extractAPIKey(client)
		projectID := ""
		authorized := false
		if h.validate != nil && key != "" {
			projectID, authorized = h.validate(key)
		}
		if !authorized {
			_ = client.Emit("error", map[string]interface{}{"message": "invalid api key"})
			client.Disconnect(true)
			return
		}

		sid := string(client.Id())
		room := projectRoom(projectID)
		client.Join(socketio.Room(room))
		h.track(sid, room)
		h.logger.Info("event feed client connected",
			zap.String("sid", sid), zap.String("project_id", projectID))

		_ = client.Emit(eventConnected, map[string]interface{}{"project_id": projectID})

		_ = client.On("disconnect", func(_ ...any) {
			h.untrack(sid)
		})
	})
}

// extractAPIKey pulls the key from the handshake query or headers; socket
// clients cannot always set custom headers, so the query wins.
func extractAPIKey(client *socketio.Socket) string {
	handshake := client.Handshake()
	if handshake == nil {
		return ""
	}
	if key := firstValue(handshake.Query, "api_key"); key != "" {
		return key
	}
	if key := firstValue(handshake.Headers, "x-api-key"); key != "" {
		return key
	}
	return normalizeBearer(firstValue(handshake.Headers, "authorization"))
}

func firstValue(values map[string][]string, key string) string {
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		if v := strings.TrimSpace(list[0]); v != "" {
			return v
		}
	}
	return ""
}

func normalizeBearer(raw string) string {
	token := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
