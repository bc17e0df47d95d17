package api

import (
	"fmt"
	"net/url"
	"strconv"

	"podroutes/internal/route"
	"podroutes/internal/terrain"
)

// requestFromQuery reads start, dest and the optional budget overrides of a
// compute call.
func requestFromQuery(q url.Values) (route.Request, error) {
	var req route.Request
	if q.Get("start") == "" || q.Get("dest") == "" {
		return req, fmt.Errorf("start and dest are required as lon,lat")
	}
	var err error
	if req.Start, err = terrain.ParseLonLat(q.Get("start")); err != nil {
		return req, err
	}
	if req.Dest, err = terrain.ParseLonLat(q.Get("dest")); err != nil {
		return req, err
	}
	ints := map[string]*int{"generations": &req.Generations, "population": &req.PopulationSize}
	for key, dst := range ints {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return req, fmt.Errorf("%s must be an integer", key)
			}
			*dst = n
		}
	}
	if v := q.Get("seed"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, fmt.Errorf("seed must be an integer")
		}
		req.Seed = n
	}
	req.CallbackURL = q.Get("callback")
	return req, req.Validate()
}
