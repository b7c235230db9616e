package stage

import "errors"

// Ошибки пакета stage.
var (
	// ErrUnknownStage — нет executor'а для stage kind.
	ErrUnknownStage = errors.New("no executor for stage")

	// ErrTemplateRender — ошибка рендеринга аргумента команды.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона аргумента.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrInvalidToolResult — инструмент вернул некорректный JSON результата.
	ErrInvalidToolResult = errors.New("invalid tool result")
)
