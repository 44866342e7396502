package mocks

//go:generate mockgen -destination=mock_publisher.go -package=mocks github.com/transfa/ledger-transfer-service/pkg/rabbitmq Publisher
