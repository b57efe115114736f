package client

import "github.com/theapemachine/rpclink/pkg/jsonrpc"

// NotificationFunc receives a notification sent by the server.
type NotificationFunc func(message jsonrpc.Message)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	method string
	fn     NotificationFunc
}

/*
Subscribe registers fn for notifications named method. Listeners run one
notification at a time, in subscription order, on a goroutine of their own
per connection. A listener may make calls on the client; a slow listener
only delays later notifications.
*/
func (client *Client) Subscribe(method string, fn NotificationFunc) *Subscription {
	sub := &Subscription{method: method, fn: fn}

	client.mu.Lock()
	defer client.mu.Unlock()

	client.listeners[method] = append(client.listeners[method], sub)
	return sub
}

func (client *Client) Unsubscribe(sub *Subscription) {
	client.mu.Lock()
	defer client.mu.Unlock()

	subs := client.listeners[sub.method]

	for idx, candidate := range subs {
		if candidate == sub {
			client.listeners[sub.method] = append(subs[:idx:idx], subs[idx+1:]...)
			break
		}
	}

	if len(client.listeners[sub.method]) == 0 {
		delete(client.listeners, sub.method)
	}
}

// UnsubscribeAll drops every listener for method.
func (client *Client) UnsubscribeAll(method string) {
	client.mu.Lock()
	defer client.mu.Unlock()
	delete(client.listeners, method)
}

func (client *Client) notify(message jsonrpc.Message) {
	client.mu.Lock()
	subs := append([]*Subscription(nil), client.listeners[message.Method]...)
	client.mu.Unlock()

	for _, sub := range subs {
		sub.fn(message)
	}
}
