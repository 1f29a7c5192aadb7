// Package mocks provides gomock implementations of the core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	source := mocks.NewMockJobSource(ctrl)
//	source.EXPECT().FetchMetadata(gomock.Any(), "4471").Return(rec, raw, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_source_mock.go github.com/ClearPeaks/knime-audit/internal/core JobSource
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=message_publisher_mock.go github.com/ClearPeaks/knime-audit/internal/core MessagePublisher
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=outcome_repository_mock.go github.com/ClearPeaks/knime-audit/internal/core OutcomeRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=dead_letter_repository_mock.go github.com/ClearPeaks/knime-audit/internal/core DeadLetterRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=outbox_repository_mock.go github.com/ClearPeaks/knime-audit/internal/core OutboxRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=claim_store_mock.go github.com/ClearPeaks/knime-audit/internal/core ClaimStore
