package main

import (
	"io"
	"strings"
)

// CommandHandler is the signature shared by every command handler.
// Handlers write RESP responses to w, which is usually a buffered writer
// over the client connection (or io.Discard during journal replay).
type CommandHandler func(w io.Writer, args []string)

// Router maps command names to handlers.
type Router struct {
	handlers map[string]CommandHandler
}

func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]CommandHandler),
	}
}

// Handle registers a handler. Names are matched case-insensitively.
func (r *Router) Handle(name string, handler CommandHandler) {
	r.handlers[strings.ToUpper(name)] = handler
}

// Dispatch runs the handler for one parsed command.
func (r *Router) Dispatch(app *application, w io.Writer, parts []string) {
	if len(parts) == 0 {
		return
	}

	app.metrics.TotalCommands.Add(1)

	commandName := strings.ToUpper(parts[0])
	args := parts[1:]

	handler, found := r.handlers[commandName]
	if !found {
		app.unknownCommandResponse(w, commandName)
		return
	}

	handler(w, args)
}
