package compositor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const metersPerInch = 0.0254

// SetDPI 写入 (或替换) pHYs 块, 单位为米
func SetDPI(data []byte, dpi float64) ([]byte, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("不是 PNG 数据")
	}
	ppm := uint32(math.Round(dpi / metersPerInch))

	var payload [9]byte
	binary.BigEndian.PutUint32(payload[0:4], ppm)
	binary.BigEndian.PutUint32(payload[4:8], ppm)
	payload[8] = 1
	phys := chunk("pHYs", payload[:])

	out := make([]byte, 0, len(data)+len(phys))
	out = append(out, pngSignature...)
	offset := len(pngSignature)
	inserted := false
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("PNG 数据被截断")
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		typ := string(data[offset+4 : offset+8])
		end := offset + 12 + length
		if end > len(data) {
			return nil, fmt.Errorf("PNG 块 %s 被截断", typ)
		}

		switch typ {
		case "pHYs":
			// 丢弃已有的 pHYs
		case "IHDR":
			out = append(out, data[offset:end]...)
			out = append(out, phys...)
			inserted = true
		default:
			out = append(out, data[offset:end]...)
		}
		offset = end
	}
	if !inserted {
		return nil, fmt.Errorf("PNG 缺少 IHDR")
	}
	return out, nil
}

// DPI 读取 pHYs 中的分辨率, 没有该块时返回 0
func DPI(data []byte) (float64, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return 0, fmt.Errorf("不是 PNG 数据")
	}
	for offset := len(pngSignature); offset+8 <= len(data); {
		length := int(binary.BigEndian.Uint32(data[offset:]))
		typ := string(data[offset+4 : offset+8])
		if offset+12+length > len(data) {
			break
		}
		if typ == "pHYs" && length == 9 {
			body := data[offset+8 : offset+17]
			if body[8] != 1 {
				return 0, nil
			}
			return float64(binary.BigEndian.Uint32(body[0:4])) * metersPerInch, nil
		}
		offset += 12 + length
	}
	return 0, nil
}

func chunk(typ string, body []byte) []byte {
	out := make([]byte, 0, 12+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, typ...)
	out = append(out, body...)
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(body)
	return binary.BigEndian.AppendUint32(out, crc.Sum32())
}
