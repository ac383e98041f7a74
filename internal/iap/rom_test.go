package iap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bigbag/hyperload/internal/flash"
)

func TestEncodeCommand(t *testing.T) {
	var got Command
	client := ClientFunc(func(cmd Command) Status {
		got = cmd
		return Status{}
	})
	s, _ := flash.SectorAt(17)
	Erase(client, s, 120000)

	want := [romWords]uint32{uint32(OpErase), 17, 17, 120000, 0}
	if w := encodeCommand(got); w != want {
		t.Errorf("encodeCommand(erase 17) = %v, want %v", w, want)
	}
}

func TestDecodeStatus(t *testing.T) {
	st := decodeStatus([romWords]uint32{uint32(SectorNotBlank), 0x00018004, 0xDEADBEEF, 0, 0})
	assert.Equal(t, SectorNotBlank, st.Result)
	assert.Equal(t, uintptr(0x00018004), st.Params[0])
	assert.Equal(t, uintptr(0xDEADBEEF), st.Params[1])
}
