package utils

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"math/rand"
	"strconv"
	"testing"
	"time"
)

func TestRandString(t *testing.T) {
	var strLen int
	var randStr string
	var exists bool
	rand.Seed(time.Now().UnixNano())
	randStrings := make(map[string]struct{})
	for i := 0; i < 2000; i++ {
		strLen = rand.Intn(20) + 10
		randStr = RandString(strLen)
		assert.Len(t, randStr, strLen)
		_, exists = randStrings[randStr]
		assert.False(t, exists, fmt.Sprintf("not unique value %s on iteration %d", randStr, i))
		if exists {
			break
		}
		randStrings[randStr] = struct{}{}
	}
}

func TestRoomCode(t *testing.T) {
	code := RoomCode()
	assert.NotEmpty(t, code)
	for _, r := range code {
		inDigits := r >= '0' && r <= '9'
		inLetters := r >= 'a' && r <= 'z'
		assert.True(t, inDigits || inLetters, fmt.Sprintf("unexpected rune %q in code %s", r, code))
	}

	millis, err := strconv.ParseInt(code, 36, 64)
	assert.NoError(t, err)
	assert.InDelta(t, time.Now().UnixNano()/int64(time.Millisecond), millis, 1000)
}

func TestParseInt(t *testing.T) {
	var num int
	var expectedValue int
	var result int
	rand.Seed(time.Now().UnixNano())
	defaultValue, minValue, maxValue := 30, 2, 100
	for i := 0; i < 100; i++ {
		num = rand.Intn(120)
		if num < minValue || num > maxValue {
			expectedValue = defaultValue
		} else {
			expectedValue = num
		}
		result = ParseInt(strconv.Itoa(num), defaultValue, minValue, maxValue)
		assert.Equal(t, expectedValue, result)
	}
}

func TestIsLengthValid(t *testing.T) {
	var result bool
	result = IsLengthValid("test", 2, 10)
	assert.True(t, result)

	result = IsLengthValid("", 2, 10)
	assert.False(t, result)

	result = IsLengthValid("1234567891011", 2, 10)
	assert.False(t, result)

	result = IsLengthValid("разДваТри!", 2, 10)
	assert.True(t, result)
}

func TestIsNameValid(t *testing.T) {
	assert.True(t, IsNameValid("B"))
	assert.True(t, IsNameValid("Cheburek"))
	assert.True(t, IsNameValid("Чебурек Кек"))
	assert.True(t, IsNameValid("Чебурек: Кек"))
	assert.True(t, IsNameValid("Чебурек_Кек222"))
	assert.True(t, IsNameValid("0900-989"))

	assert.False(t, IsNameValid("Фундук "))
	assert.False(t, IsNameValid(" Фундук-"))
}
