package inbound

import (
	"sort"
	"strconv"
	"sync"

	"github.com/tcpfs/tcpfs/proxy/tcpfs"
)

// client is one connection as seen by the hub.
type client struct {
	id     int
	pushes chan tcpfs.Message

	// guarded by hub.access
	channels map[string]bool
	users    bool
}

// hub assigns identities and fans pushes out to connected clients.
type hub struct {
	access  sync.Mutex
	nextID  int
	clients map[int]*client
}

func newHub() *hub {
	return &hub{nextID: 1, clients: make(map[int]*client)}
}

func (h *hub) join() *client {
	h.access.Lock()
	c := &client{
		id:       h.nextID,
		pushes:   make(chan tcpfs.Message, 16),
		channels: make(map[string]bool),
	}
	h.nextID++
	h.clients[c.id] = c
	h.access.Unlock()
	h.broadcastUsers()
	return c
}

func (h *hub) leave(c *client) {
	h.access.Lock()
	delete(h.clients, c.id)
	h.access.Unlock()
	h.broadcastUsers()
}

func (h *hub) subscribe(c *client, channel string) {
	h.access.Lock()
	c.channels[channel] = true
	h.access.Unlock()
}

func (h *hub) subscribeUsers(c *client) {
	h.access.Lock()
	c.users = true
	h.access.Unlock()
}

func (h *hub) users() []string {
	h.access.Lock()
	defer h.access.Unlock()
	return h.usersLocked()
}

func (h *hub) usersLocked() []string {
	ids := make([]int, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	users := make([]string, len(ids))
	for i, id := range ids {
		users[i] = strconv.Itoa(id)
	}
	return users
}

// usersMessage is the push sent to clients subscribed to the connected users list.
func usersMessage(users []string) tcpfs.Message {
	return tcpfs.Message{
		Response: tcpfs.CodeOK,
		Command: &tcpfs.Command{
			Req:     tcpfs.ReqSubscribeToListConnectedUsers,
			Payload: tcpfs.EncodeStrings(users),
		},
	}
}

func (h *hub) broadcastUsers() {
	h.access.Lock()
	defer h.access.Unlock()
	msg := usersMessage(h.usersLocked())
	for _, c := range h.clients {
		if c.users {
			deliver(c, msg)
		}
	}
}

// broadcastUpdate tells the subscribers of channel, except from, that its files changed.
func (h *hub) broadcastUpdate(channel string, from *client) {
	h.access.Lock()
	defer h.access.Unlock()
	msg := tcpfs.Message{Response: tcpfs.CodeUpdate}
	for _, c := range h.clients {
		if c != from && c.channels[channel] {
			deliver(c, msg)
		}
	}
}

// deliver drops the push when the client is not keeping up.
func deliver(c *client, msg tcpfs.Message) {
	select {
	case c.pushes <- msg:
	default:
	}
}
