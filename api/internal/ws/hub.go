package ws

import "sync"

// QueueSize bounds the payloads buffered for one subscriber. A subscriber
// that falls further behind is disconnected.
const QueueSize = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to subscribers grouped by scope (an execution token).
// A single goroutine owns the subscription table and enqueues payloads into
// per-subscriber queues, so payloads broadcast to one scope reach each
// subscriber in the order Broadcast was called. Delivery happens on the
// subscriber's own goroutine; a slow subscriber never blocks the hub.
type Hub struct {
	clients   map[string]map[Subscriber]*outbox
	register  chan subscription
	unreg     chan subscription
	drop      chan *outbox
	broadcast chan message
	count     chan countRequest
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	scope   string
	payload []byte
}

type subscription struct {
	scope  string
	client Subscriber
}

type countRequest struct {
	scope string
	reply chan int
}

// outbox drains one subscription's queue on its own goroutine. quit is closed
// by the hub goroutine only; closeClient is set before quit is closed.
type outbox struct {
	scope       string
	client      Subscriber
	queue       chan []byte
	quit        chan struct{}
	closeClient bool
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]*outbox),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		drop:      make(chan *outbox),
		broadcast: make(chan message),
		count:     make(chan countRequest),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for _, ob := range clients {
					ob.stop(true)
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			clients, ok := h.clients[sub.scope]
			if !ok {
				clients = make(map[Subscriber]*outbox)
				h.clients[sub.scope] = clients
			}
			if _, exists := clients[sub.client]; exists {
				continue
			}
			ob := &outbox{
				scope:  sub.scope,
				client: sub.client,
				queue:  make(chan []byte, QueueSize),
				quit:   make(chan struct{}),
			}
			clients[sub.client] = ob
			go h.pump(ob)
		case sub := <-h.unreg:
			if ob, ok := h.clients[sub.scope][sub.client]; ok {
				h.remove(ob, false)
			}
		case ob := <-h.drop:
			if h.clients[ob.scope][ob.client] == ob {
				h.remove(ob, true)
			}
		case msg := <-h.broadcast:
			for _, ob := range h.clients[msg.scope] {
				select {
				case ob.queue <- msg.payload:
				default:
					h.remove(ob, true)
				}
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.scope])
		}
	}
}

func (h *Hub) remove(ob *outbox, closeClient bool) {
	clients := h.clients[ob.scope]
	delete(clients, ob.client)
	if len(clients) == 0 {
		delete(h.clients, ob.scope)
	}
	ob.stop(closeClient)
}

func (ob *outbox) stop(closeClient bool) {
	ob.closeClient = closeClient
	close(ob.quit)
}

// pump delivers queued payloads until the outbox is stopped or a send fails.
func (h *Hub) pump(ob *outbox) {
	for {
		select {
		case <-ob.quit:
			if ob.closeClient {
				ob.client.Close()
			}
			return
		case payload := <-ob.queue:
			select {
			case <-ob.quit:
				continue
			default:
			}
			if err := ob.client.Send(payload); err != nil {
				ob.client.Close()
				select {
				case h.drop <- ob:
				case <-ob.quit:
				case <-h.done:
				}
				return
			}
		}
	}
}

// Register adds a client to a scope.
func (h *Hub) Register(scope string, client Subscriber) {
	select {
	case h.register <- subscription{scope: scope, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client from a scope. Payloads still queued for it are discarded.
func (h *Hub) Unregister(scope string, client Subscriber) {
	select {
	case h.unreg <- subscription{scope: scope, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every client in scope. It never waits on a subscriber.
func (h *Hub) Broadcast(scope string, payload []byte) {
	select {
	case h.broadcast <- message{scope: scope, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports how many clients are registered for scope.
func (h *Hub) Subscribers(scope string) int {
	reply := make(chan int, 1)
	select {
	case h.count <- countRequest{scope: scope, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Close stops the hub and closes all remaining subscribers.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
