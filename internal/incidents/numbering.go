package incidents

import (
	"fmt"
	"strconv"
	"strings"
)

const numberPrefix = "INC-"

// FormatNumber renders a sequence value as INC-000042.
func FormatNumber(seq int64) string {
	return fmt.Sprintf("%s%06d", numberPrefix, seq)
}

func ParseNumber(number string) (int64, error) {
	if !strings.HasPrefix(number, numberPrefix) {
		return 0, fmt.Errorf("incident number %q: missing %s prefix", number, numberPrefix)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(number, numberPrefix), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("incident number %q: invalid sequence", number)
	}
	return n, nil
}
