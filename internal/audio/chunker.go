package audio

// FrameAlign is the byte multiple telephony media chunks must respect:
// 160 16-bit samples, one 20ms frame at the gateway's 8kHz playback rate.
const FrameAlign = 320

// Chunk splits payload into ordered sub-slices of at most chunkSize bytes,
// with chunkSize first aligned down to a multiple of FrameAlign. Sizes below
// one frame are lifted to one frame. The final chunk carries whatever
// remains; concatenating the result reproduces payload exactly.
func Chunk(payload []byte, chunkSize int) [][]byte {
	size := chunkSize - chunkSize%FrameAlign
	if size < FrameAlign {
		size = FrameAlign
	}

	if len(payload) == 0 {
		return [][]byte{}
	}

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[off:end])
	}
	return chunks
}
