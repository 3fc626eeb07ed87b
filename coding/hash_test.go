package coding

import "testing"

func TestHashSignedUnsignedIssue(t *testing.T) {
	data1 := []byte{0x62}
	data2 := []byte{0xc3, 0x97}
	data3 := []byte{0xe2, 0x99, 0xa5}
	data4 := []byte{0xe1, 0x80, 0xb9, 0x32}
	data5 := []byte{
		0x01, 0xc0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00,
		0x00, 0x00, 0x00, 0x14, 0x00, 0x00, 0x00, 0x18, 0x28, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	testCases := []struct {
		name string
		data []byte
		seed uint32
		want uint32
	}{
		{"empty", nil, 0xbc9f1d34, 0xbc9f1d34},
		{"one byte", data1, 0xbc9f1d34, 0xef1345c4},
		{"two bytes", data2, 0xbc9f1d34, 0x5b663814},
		{"three bytes", data3, 0xbc9f1d34, 0x323c078f},
		{"four bytes", data4, 0xbc9f1d34, 0xed21633a},
		{"forty eight bytes", data5, 0x12345678, 0xf333dabb},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Hash(tc.data, tc.seed); got != tc.want {
				t.Errorf("Expected %#x, got %#x", tc.want, got)
			}
		})
	}
}
