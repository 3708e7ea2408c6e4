package flagfile

import (
	"fmt"
	"strings"

	"visflag/internal/models"
)

// ExpandTemplate substitutes a gpubox id into a file name template. The
// template must hold a single run of '%' characters, which is replaced by
// the id zero-padded to the run's length: "Flagfile%%.mwaf" and id 1 give
// "Flagfile01.mwaf".
func ExpandTemplate(template string, gpuboxID int) (string, error) {
	start := strings.IndexByte(template, '%')
	if start < 0 {
		return "", fmt.Errorf("%w: %q has no %% placeholder", models.ErrInvalidTemplate, template)
	}
	end := start
	for end < len(template) && template[end] == '%' {
		end++
	}
	if strings.IndexByte(template[end:], '%') >= 0 {
		return "", fmt.Errorf("%w: %q has more than one placeholder", models.ErrInvalidTemplate, template)
	}
	if gpuboxID < 0 {
		return "", fmt.Errorf("%w: negative gpubox id %d", models.ErrUnknownChannel, gpuboxID)
	}
	return fmt.Sprintf("%s%0*d%s", template[:start], end-start, gpuboxID, template[end:]), nil
}
