// Fuzz testing for package normalize.

//go:build gofuzz

package normalize

func Fuzz(data []byte) int {
	s := string(data)
	Domain(s)
	ToCRLF(data)
	StringToCRLF(s)

	return 0
}
