package iap

// The ROM routine takes two word arrays: the command (op then up to four
// parameters) and the result (code then up to four return values).
const romWords = 5

func encodeCommand(cmd Command) [romWords]uint32 {
	var w [romWords]uint32
	w[0] = uint32(cmd.Op)
	for i, p := range cmd.Params {
		w[i+1] = uint32(p)
	}
	return w
}

func decodeStatus(w [romWords]uint32) Status {
	st := Status{Result: Result(w[0])}
	for i := range st.Params {
		st.Params[i] = uintptr(w[i+1])
	}
	return st
}
