package shared

import "strings"

// Participants enter presence on control:<roomId>; the coordinator talks
// back to a single participant on player:<connId>.

func ControlChannel(roomId string) string {
	return "control:" + roomId
}

func RoomIdFromControlChannel(channel string) string {
	return strings.Replace(channel, "control:", "", 1)
}

func IsControlChannel(channel string) bool {
	return strings.HasPrefix(channel, "control:")
}

func PlayerChannel(connId string) string {
	return "player:" + connId
}

func RoomLockName(roomId string) string {
	return "lockroom:" + roomId
}
