// Package notify forwards high-signal events to an operator chat.
//
// The Service subscribes to the event bus, renders the events it cares about
// into short texts and hands them to a Sender through a bounded queue drained
// by one supervised goroutine. Delivery is best-effort: a full queue drops the
// notification and the send rate is capped.
//
// # Login challenge
//
// A session.challenge event carries the gateway's login payload. It is rendered
// as a QR code PNG and sent as a photo so the operator can scan it from the chat.
//
// # Log alerts
//
// Service implements logx.AlertSender, so error-level log lines can be routed
// to the same chat.
package notify
