package tui

import (
	"context"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"avachat/internal/adapter/backend"
	"avachat/internal/domain"
	"avachat/internal/usecase"
)

// Run starts the Bubble Tea program and blocks until it exits. Bus events
// are forwarded into the update loop in publish order.
func Run(ctx context.Context, svc *usecase.Service, api *backend.Client, bus domain.EventBus, logger *slog.Logger) error {
	model := NewModel(Deps{Service: svc, Backend: api, Logger: logger})

	program := tea.NewProgram(model, tea.WithAltScreen())

	unsub := bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		program.Send(BusEventMsg{Event: event})
	})
	defer unsub()

	go func() {
		<-ctx.Done()
		program.Send(QuitMsg{})
	}()

	_, err := program.Run()
	return err
}
