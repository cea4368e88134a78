//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"parley/domain"
	"parley/domain/event"
)

type WorkerName string

// Worker doesn't protect itself.
// Can be silly, focused.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker
// initialization or lifecycle events, avoiding the need for manual naming
// in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// EventSink receives classified domain events; implementations are the live
// transport sessions plus permanent sinks such as the search index.
type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// IRegistry maps a user identity to at most one live connection.
type IRegistry interface {
	Join(userID domain.UserID, sink EventSink) (displaced EventSink)
	Leave(userID domain.UserID, sink EventSink)
	IsOnline(userID domain.UserID) bool
	SinkFor(userID domain.UserID) (EventSink, bool)
}
