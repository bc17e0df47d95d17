package fitness

import (
	"math"

	"podroutes/internal/curve"
	"podroutes/internal/device"
	"podroutes/internal/vehicle"
)

// Components per individual in the output buffer.
const (
	outTotal = iota
	outTrack
	outCurve
	outGrade
	outLength
	outStride
)

// Offsets into the params buffer.
const (
	pCellX = iota
	pCellY
	pExcavation
	pElevRange
	pMaxSpeed
	pAccel
	pDecel
	pLateral
	pMaxGrade
	pStraightTime
	pWeightTrack
	pWeightCurve
	pWeightGrade
	pWeightLength
	paramCount
)

// Kernel argument order.
const (
	argIndividuals = iota
	argBinomials
	argTerrain
	argParams
	argOut
	argPoints
	argEvalPoints
	argFollowGround
)

const programName = "route_cost"

const source = `
// One work item per individual. Each individual is points control points
// (start, genome, dest) stored as float4.
#define MAX_EVAL_POINTS 1000

__constant sampler_t terrain_sampler = CLK_NORMALIZED_COORDS_FALSE | CLK_ADDRESS_CLAMP_TO_EDGE | CLK_FILTER_LINEAR;

float3 bezier(__global const float4 *ctrl, __global const float *binom, int points, float s) {
    float3 p = (float3)(0.0f);
    int degree = points - 1;
    for (int i = 0; i < points; i++) {
        float w = pown(1.0f - s, degree - i) * pown(s, i) * binom[i];
        p += ctrl[i].xyz * w;
    }
    return p;
}

float ground(image2d_t terrain, __global const float *params, float3 p) {
    float2 texel = (float2)(p.x / params[0], p.y / params[1]) + 0.5f;
    return read_imagef(terrain, terrain_sampler, texel).x;
}

float3 track_point(__global const float4 *ctrl, __global const float *binom, image2d_t terrain,
                   __global const float *params, int points, int eval_points, int follow_ground, int i, float *g) {
    float3 p = bezier(ctrl, binom, points, (float)i / (float)(eval_points - 1));
    *g = ground(terrain, params, p);
    if (follow_ground)
        p.z = *g;
    return p;
}

__kernel void route_cost(__global const float4 *individuals,
                         __global const float *binom,
                         read_only image2d_t terrain,
                         __global const float *params,
                         __global float *out,
                         const int points,
                         const int eval_points,
                         const int follow_ground) {
    int id = get_global_id(0);
    __global const float4 *ctrl = individuals + id * points;

    float excavation = params[2], range = params[3];
    float vmax = params[4], accel = params[5], decel = params[6], lateral = params[7];
    float max_grade = params[8], straight_time = params[9];
    float min_radius = vmax * vmax / lateral;

    float v[MAX_EVAL_POINTS];
    float track = 0.0f, curve = 0.0f, grade = 0.0f, time = 0.0f, g;
    float3 prev2 = (float3)(0.0f);
    float3 prev = track_point(ctrl, binom, terrain, params, points, eval_points, follow_ground, 0, &g);
    track += fmax(0.0f, fabs(prev.z - g) - excavation);
    v[0] = 0.0f;

    // forward: accelerate from rest under the curvature limit
    for (int i = 1; i < eval_points; i++) {
        float3 p = track_point(ctrl, binom, terrain, params, points, eval_points, follow_ground, i, &g);
        track += fmax(0.0f, fabs(p.z - g) - excavation);
        float3 d = p - prev;
        float run = length(d.xy);
        if (run > 0.0f && fabs(d.z) / run > max_grade)
            grade += (fabs(d.z) / run - max_grade) / max_grade;
        if (i > 1) {
            float a = distance(prev2, prev), b = distance(prev, p), c = distance(prev2, p);
            float area2 = length(cross(prev - prev2, p - prev2));
            if (area2 >= 1e-12f) {
                float r = a * b * c / (2.0f * area2);
                curve += fmax(0.0f, min_radius / r - 1.0f);
                v[i - 1] = fmin(v[i - 1], sqrt(lateral * r));
            }
        }
        v[i] = fmin(vmax, sqrt(v[i - 1] * v[i - 1] + 2.0f * accel * length(d)));
        prev2 = prev;
        prev = p;
    }
    v[eval_points - 1] = 0.0f;

    // backward: brake to rest, integrating time on the way
    float3 next = prev;
    for (int i = eval_points - 2; i >= 0; i--) {
        float3 p = track_point(ctrl, binom, terrain, params, points, eval_points, follow_ground, i, &g);
        float ds = distance(p, next);
        v[i] = fmin(v[i], sqrt(v[i + 1] * v[i + 1] + 2.0f * decel * ds));
        if (v[i] + v[i + 1] > 0.0f)
            time += 2.0f * ds / (v[i] + v[i + 1]);
        next = p;
    }

    track = track / (float)eval_points / (range + 10.0f);
    curve = curve / (float)max(eval_points - 2, 1);
    grade = grade / (float)(eval_points - 1);
    float len = time / straight_time;

    __global float *o = out + id * 5;
    o[1] = track;
    o[2] = curve;
    o[3] = grade;
    o[4] = len;
    o[0] = params[10] * track + params[11] * curve + params[12] * grade + params[13] * len;
}
`

// Program returns the route cost program with its host implementation.
func Program() device.Program {
	return device.Program{
		Name:    programName,
		Source:  source,
		Kernels: map[string]device.HostKernel{programName: routeCost},
	}
}

// tracer evaluates one control polygon against the terrain.
type tracer struct {
	binom        []float64
	tex          device.Texture
	cellX        float64
	cellY        float64
	evalPoints   int
	followGround bool
}

// trace returns the evaluated track points and the ground under each.
func (tr tracer) trace(ctrl []curve.Point) ([]curve.Point, []float64) {
	n := tr.evalPoints
	pts := make([]curve.Point, n)
	ground := make([]float64, n)
	for i := range pts {
		s := 0.0
		if n > 1 {
			s = float64(i) / float64(n-1)
		}
		p := curve.EvaluateWith(ctrl, s, tr.binom)
		g := tr.tex.Bilinear(p.X/tr.cellX, p.Y/tr.cellY)
		if tr.followGround {
			p.Z = g
		}
		pts[i], ground[i] = p, g
	}
	return pts, ground
}

func podFrom(params []float32) vehicle.Pod {
	return vehicle.Pod{
		MaxSpeed:        float64(params[pMaxSpeed]),
		Accel:           float64(params[pAccel]),
		Decel:           float64(params[pDecel]),
		LateralAccel:    float64(params[pLateral]),
		MaxGrade:        float64(params[pMaxGrade]),
		ExcavationDepth: float64(params[pExcavation]),
	}
}

// score computes the cost components of an evaluated track.
func score(pts []curve.Point, ground []float64, pod vehicle.Pod, elevRange, straightTime float64, w Weights) Costs {
	var c Costs
	for i, p := range pts {
		c.Track += math.Max(0, math.Abs(p.Z-ground[i])-pod.ExcavationDepth)
	}
	if len(pts) > 0 {
		c.Track /= float64(len(pts))
	}
	c.Track /= elevRange + 10
	c.Curve = pod.CurvePenalty(pts)
	c.Grade = pod.GradePenalty(pts)
	c.Length = pod.TravelTime(pts) / straightTime
	c.Total = w.Track*c.Track + w.Curve*c.Curve + w.Grade*c.Grade + w.Length*c.Length
	return c
}

func routeCost(item int, a device.Args) error {
	ind := a.Floats(argIndividuals)
	params := a.Floats(argParams)
	out := a.Floats(argOut)
	k := a.Int(argPoints)

	b32 := a.Floats(argBinomials)
	binom := make([]float64, len(b32))
	for i, v := range b32 {
		binom[i] = float64(v)
	}
	ctrl := make([]curve.Point, k)
	for j := range ctrl {
		base := (item*k + j) * 4
		ctrl[j] = curve.Point{X: float64(ind[base]), Y: float64(ind[base+1]), Z: float64(ind[base+2])}
	}
	tr := tracer{
		binom:        binom,
		tex:          a.Texture(argTerrain),
		cellX:        float64(params[pCellX]),
		cellY:        float64(params[pCellY]),
		evalPoints:   a.Int(argEvalPoints),
		followGround: a.Int(argFollowGround) != 0,
	}
	pts, ground := tr.trace(ctrl)
	w := Weights{
		Track:  float64(params[pWeightTrack]),
		Curve:  float64(params[pWeightCurve]),
		Grade:  float64(params[pWeightGrade]),
		Length: float64(params[pWeightLength]),
	}
	c := score(pts, ground, podFrom(params), float64(params[pElevRange]), float64(params[pStraightTime]), w)

	o := out[item*outStride : (item+1)*outStride]
	o[outTotal] = float32(c.Total)
	o[outTrack] = float32(c.Track)
	o[outCurve] = float32(c.Curve)
	o[outGrade] = float32(c.Grade)
	o[outLength] = float32(c.Length)
	return nil
}
