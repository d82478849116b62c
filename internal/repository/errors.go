package repository

import "errors"

var (
	// ErrTerminalNotFound возвращается, если терминал не найден.
	ErrTerminalNotFound = errors.New("terminal not found")
	// ErrTerminalCodeExists возвращается при повторной регистрации кода терминала.
	ErrTerminalCodeExists = errors.New("terminal code already exists")
	// ErrSessionNotFound возвращается, если смена не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionActive возвращается, если на терминале уже есть открытая смена.
	ErrSessionActive = errors.New("terminal already has an active session")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOfflineID возвращается, если заказ с таким offline_id уже есть в смене.
	ErrDuplicateOfflineID = errors.New("offline order already synced")
	// ErrIntentNotFound возвращается, если запись исходящей очереди не найдена.
	ErrIntentNotFound = errors.New("fulfillment intent not found")
	// ErrIntentNotDead возвращается при попытке повторить запись, не ожидающую ручного повтора.
	ErrIntentNotDead = errors.New("fulfillment intent is not awaiting replay")
)
