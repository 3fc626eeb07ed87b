package coding

import "testing"

func TestCRCStandardResults(t *testing.T) {
	buf := make([]byte, 32)
	if got := CRC(buf); got != 0x8a9136aa {
		t.Errorf("zeros: expected 0x8a9136aa, got %#x", got)
	}

	for i := range buf {
		buf[i] = 0xff
	}
	if got := CRC(buf); got != 0x62a8ab43 {
		t.Errorf("ones: expected 0x62a8ab43, got %#x", got)
	}

	for i := range buf {
		buf[i] = byte(i)
	}
	if got := CRC(buf); got != 0x46dd794e {
		t.Errorf("ascending: expected 0x46dd794e, got %#x", got)
	}
}

func TestCRCExtend(t *testing.T) {
	whole := CRC([]byte("hello world"))
	split := ExtendCRC(CRC([]byte("hello ")), []byte("world"))
	if whole != split {
		t.Errorf("Expected extended crc %#x to equal %#x", split, whole)
	}
	if CRC([]byte("a")) == CRC([]byte("foo")) {
		t.Errorf("Expected different values for different inputs")
	}
}

func TestCRCMask(t *testing.T) {
	crc := CRC([]byte("foo"))
	if MaskCRC(crc) == crc {
		t.Errorf("Mask should change the value")
	}
	if MaskCRC(MaskCRC(crc)) == crc {
		t.Errorf("Double mask should not restore the value")
	}
	if UnmaskCRC(MaskCRC(crc)) != crc {
		t.Errorf("Unmask(Mask(crc)) != crc")
	}
	if UnmaskCRC(UnmaskCRC(MaskCRC(MaskCRC(crc)))) != crc {
		t.Errorf("Double unmask should restore the value")
	}
}
