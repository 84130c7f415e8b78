// Package mocks provides mock implementations for testing the job run subsystem.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the core ports.
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	runs := mocks.NewMockJobRunRepository(ctrl)
//	runs.EXPECT().GetByID(gomock.Any(), id).Return(run, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_run_repository_mock.go github.com/target/mmk-jobs/internal/core JobRunRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_event_repository_mock.go github.com/target/mmk-jobs/internal/core JobEventRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=broker_mock.go github.com/target/mmk-jobs/internal/core Broker
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=delivery_mock.go github.com/target/mmk-jobs/internal/core Delivery
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=fire_guard_mock.go github.com/target/mmk-jobs/internal/core FireGuard
