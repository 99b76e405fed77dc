// Package apperr 定義房間服務對外的錯誤代碼。
//
// 代碼是穩定的短字串（例如 ROOM_FULL），客戶端依代碼做在地化，
// 不依賴錯誤訊息文字。
package apperr

import (
	"errors"
	"fmt"
)

// Code 錯誤代碼
type Code string

const (
	GameUnsupported        Code = "GAME_UNSUPPORTED"
	PlayerBanned           Code = "PLAYER_BANNED"
	AlreadyInRoom          Code = "ALREADY_IN_ROOM"
	TicketNotFound         Code = "TICKET_NOT_FOUND"
	TicketForbidden        Code = "TICKET_FORBIDDEN"
	AlreadyMatched         Code = "ALREADY_MATCHED"
	RoomNotFound           Code = "ROOM_NOT_FOUND"
	RoomNotMember          Code = "ROOM_NOT_MEMBER"
	RoomFull               Code = "ROOM_FULL"
	RoomAlreadyActive      Code = "ROOM_ALREADY_ACTIVE"
	RoomAlreadyFinished    Code = "ROOM_ALREADY_FINISHED"
	RoomNotOwner           Code = "ROOM_NOT_OWNER"
	RoomInviteInvalid      Code = "ROOM_INVITE_INVALID"
	RoomPlayerBlocked      Code = "ROOM_PLAYER_BLOCKED"
	RoomSpectatorsDisabled Code = "ROOM_SPECTATORS_DISABLED"
	RoomSpectatorsLimit    Code = "ROOM_SPECTATORS_LIMIT"
	RoomSpectatorForbidden Code = "ROOM_SPECTATOR_FORBIDDEN"
	RoomNotActive          Code = "ROOM_NOT_ACTIVE"
	RoomNotEnoughPlayers   Code = "ROOM_NOT_ENOUGH_PLAYERS"
	RoomEmpty              Code = "ROOM_EMPTY"
	InviteCodeExhausted    Code = "INVITE_CODE_EXHAUSTED"
	ActionDuplicate        Code = "ACTION_DUPLICATE"
	ActionFrameReplayed    Code = "ACTION_FRAME_REPLAYED"
	ActionFrameOutOfSync   Code = "ACTION_FRAME_OUT_OF_SYNC"
	ActionInvalid          Code = "ACTION_INVALID"
	BadRequest             Code = "BAD_REQUEST"
	Unauthorized           Code = "UNAUTHORIZED"
	RateLimited            Code = "RATE_LIMITED"
	Internal               Code = "INTERNAL"
)

// Error 帶代碼的錯誤
//
// Detail 為可選的附加資訊（例如引擎拒絕原因），會隨拒絕訊息一併回傳。
type Error struct {
	Code    Code
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 讓 errors.Is 以代碼比對
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == "" && t.Err == nil
	}
	return false
}

// New 建立錯誤
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 以代碼包裝底層錯誤
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetail 回傳附帶 detail 的副本
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Sentinel 回傳只有代碼的錯誤，用於 errors.Is 比對
func Sentinel(code Code) error {
	return &Error{Code: code}
}

// CodeOf 取出錯誤代碼；非 *Error 一律視為 INTERNAL
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// DetailOf 取出 detail
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// HasCode 判斷錯誤是否帶有指定代碼
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
