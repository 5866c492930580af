package sign

import (
	"fmt"
	"strings"
)

func (context *SignContext) updateByteRange() error {
	output_file_size := int64(context.OutputBuffer.Buff.Len())

	context.ByteRangeValues = make([]int64, 4)

	// Part 1 runs from the start of the file up to and including the "<"
	// opening the contents hex string.
	context.ByteRangeValues[0] = 0
	context.ByteRangeValues[1] = context.SignatureContentsStart + 1

	// Part 2 starts at the closing ">" and covers the rest of the file.
	context.ByteRangeValues[2] = context.ByteRangeValues[1] + int64(context.SignatureMaxLength)
	context.ByteRangeValues[3] = output_file_size - context.ByteRangeValues[2]

	new_byte_range := fmt.Sprintf("/ByteRange[%d %d %d %d]",
		context.ByteRangeValues[0], context.ByteRangeValues[1],
		context.ByteRangeValues[2], context.ByteRangeValues[3])

	if len(new_byte_range) > len(signatureByteRangePlaceholder) {
		return fmt.Errorf("byte range exceeds placeholder length")
	}

	// Pad to the placeholder length so no offsets shift.
	new_byte_range += strings.Repeat(" ", len(signatureByteRangePlaceholder)-len(new_byte_range))

	// The filebuffer truncates on a mid-buffer write, so rebuild the whole
	// buffer around the patched range instead of writing in place.
	if _, err := context.OutputBuffer.Seek(0, 0); err != nil {
		return err
	}
	file_content := context.OutputBuffer.Buff.Bytes()

	if _, err := context.OutputBuffer.Write(file_content[:context.ByteRangeStartByte]); err != nil {
		return err
	}
	if _, err := context.OutputBuffer.Write([]byte(new_byte_range)); err != nil {
		return err
	}
	if _, err := context.OutputBuffer.Write(file_content[context.ByteRangeStartByte+int64(len(new_byte_range)):]); err != nil {
		return err
	}

	return nil
}
