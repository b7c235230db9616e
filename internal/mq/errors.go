package mq

import "errors"

// Ошибки слоя сообщений.
var (
	// ErrNoChannel — AMQP канал недоступен (соединение разорвано и ещё не восстановлено).
	ErrNoChannel = errors.New("no amqp channel available")

	// ErrMalformed — сообщение не разбирается. Handler возвращает её,
	// чтобы сообщение ушло в DLQ без повторной доставки.
	ErrMalformed = errors.New("malformed message")
)
