package repository

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	roomIDPrefix  = "ROOM-"
	idLength      = 9
	upperAlphanum = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerAlphanum = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// randomID draws length characters from charset using crypto/rand.
func randomID(charset string, length int) (string, error) {
	id := make([]byte, length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		id[i] = charset[num.Int64()]
	}
	return string(id), nil
}

func newRoomID() (string, error) {
	id, err := randomID(upperAlphanum, idLength)
	if err != nil {
		return "", fmt.Errorf("generate room id: %w", err)
	}
	return roomIDPrefix + id, nil
}

func newPlayerID() (string, error) {
	id, err := randomID(lowerAlphanum, idLength)
	if err != nil {
		return "", fmt.Errorf("generate player id: %w", err)
	}
	return id, nil
}
