// Package config загружает конфигурацию процессов vgap из окружения.
//
// Переменные читаются с префиксом VGAP_ (например, VGAP_DATABASE_URL).
// Для LOG_LEVEL, LOG_FORMAT, DATABASE_URL и RABBITMQ_URL допускается
// и имя без префикса. В development (VGAP_ENV=development) перед
// разбором подгружается .env из текущего каталога.
//
// После разбора конфигурация проверяется validator'ом: ошибки всех
// полей собираются в одну.
package config
