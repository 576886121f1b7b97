package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/errors"
	"dvf-dashboard/internal/services"
)

// ParseFilter reads the dashboard filters from the query string. Wards and
// types repeat or come comma separated; wards accept "5", "05" or "75005".
func ParseFilter(r *http.Request) (services.Filter, error) {
	q := r.URL.Query()
	var f services.Filter
	var err error

	if f.YearFrom, err = intParam(q, "year_from"); err != nil {
		return f, err
	}
	if f.YearTo, err = intParam(q, "year_to"); err != nil {
		return f, err
	}
	if f.SurfaceMin, err = floatParam(q, "surface_min"); err != nil {
		return f, err
	}
	if f.SurfaceMax, err = floatParam(q, "surface_max"); err != nil {
		return f, err
	}

	for _, v := range listParam(q, "ward") {
		w, ok := dataset.NormalizeWard(v)
		if !ok {
			return f, errors.ValidationWrap(services.ErrInvalidFilter,
				fmt.Sprintf("ward %q is not a Paris arrondissement (01..20)", v))
		}
		f.Wards = append(f.Wards, w)
	}
	f.PropertyTypes = listParam(q, "type")
	return f, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.BadRequestWrap(err, name+" must be an integer")
	}
	return n, nil
}

func floatParam(q url.Values, name string) (float64, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.BadRequestWrap(err, name+" must be a number")
	}
	return n, nil
}

func listParam(q url.Values, name string) []string {
	var out []string
	for _, raw := range q[name] {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
