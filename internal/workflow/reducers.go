package workflow

// Reducer folds merge-node parent results into one value. Reducers are
// plain registered functions; definitions never carry code.
type Reducer func(results []any) any

func builtinReducers() map[string]Reducer {
	return map[string]Reducer{
		"sum":    reduceSum,
		"concat": reduceConcat,
		"merge":  reduceMerge,
	}
}

func reduceSum(results []any) any {
	total := 0.0
	for _, r := range results {
		total += toNumber(r)
	}
	return total
}

// reduceConcat flattens one level: slice results contribute their
// elements, everything else contributes itself.
func reduceConcat(results []any) any {
	out := make([]any, 0, len(results))
	for _, r := range results {
		if items, ok := r.([]any); ok {
			out = append(out, items...)
			continue
		}
		out = append(out, r)
	}
	return out
}

// reduceMerge folds map results left to right; later keys win.
func reduceMerge(results []any) any {
	out := make(map[string]any)
	for _, r := range results {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
