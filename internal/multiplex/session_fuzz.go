//go:build gofuzz
// +build gofuzz

package multiplex

func setupSesh_fuzz() *Session {
	seshConfig := SessionConfig{
		Valve: nil,
	}
	return MakeSession(0, seshConfig)
}

func Fuzz(data []byte) int {
	sesh := setupSesh_fuzz()
	defer sesh.Close()
	err := sesh.OnInboundChunk(data)
	if err == nil {
		return 1
	}
	return 0
}
