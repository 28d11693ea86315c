package math

func NewMat4Identity() Mat4 {
	out := Mat4{}
	out.Data[0] = 1.0
	out.Data[5] = 1.0
	out.Data[10] = 1.0
	out.Data[15] = 1.0
	return out
}

// NewMat4TRS composes translation, rotation and scale into one transform.
func NewMat4TRS(position Vec3, rotation Quaternion, scale Vec3) Mat4 {
	r := rotation.ToMat4()
	out := r
	out.Data[0] *= scale.X
	out.Data[1] *= scale.X
	out.Data[2] *= scale.X
	out.Data[4] *= scale.Y
	out.Data[5] *= scale.Y
	out.Data[6] *= scale.Y
	out.Data[8] *= scale.Z
	out.Data[9] *= scale.Z
	out.Data[10] *= scale.Z
	out.Data[12] = position.X
	out.Data[13] = position.Y
	out.Data[14] = position.Z
	return out
}

// Determinant of the upper-left 3x3; enough to detect mirroring for a TRS
// matrix whose last column is (0,0,0,1).
func (mat Mat4) Determinant() float32 {
	d := mat.Data
	return d[0]*(d[5]*d[10]-d[6]*d[9]) -
		d[1]*(d[4]*d[10]-d[6]*d[8]) +
		d[2]*(d[4]*d[9]-d[5]*d[8])
}

func NewQuatIdentity() Quaternion {
	return Quaternion{W: 1.0}
}

func (q Quaternion) Normalized() Quaternion {
	l := ksqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if l == 0 {
		return NewQuatIdentity()
	}
	return Quaternion{q.X / l, q.Y / l, q.Z / l, q.W / l}
}

func (q Quaternion) ToMat4() Mat4 {
	out := NewMat4Identity()
	n := q.Normalized()

	out.Data[0] = 1.0 - 2.0*n.Y*n.Y - 2.0*n.Z*n.Z
	out.Data[1] = 2.0*n.X*n.Y + 2.0*n.Z*n.W
	out.Data[2] = 2.0*n.X*n.Z - 2.0*n.Y*n.W

	out.Data[4] = 2.0*n.X*n.Y - 2.0*n.Z*n.W
	out.Data[5] = 1.0 - 2.0*n.X*n.X - 2.0*n.Z*n.Z
	out.Data[6] = 2.0*n.Y*n.Z + 2.0*n.X*n.W

	out.Data[8] = 2.0*n.X*n.Z + 2.0*n.Y*n.W
	out.Data[9] = 2.0*n.Y*n.Z - 2.0*n.X*n.W
	out.Data[10] = 1.0 - 2.0*n.X*n.X - 2.0*n.Y*n.Y
	return out
}

// NewQuatFromRows builds the rotation whose basis rows are x, y, z. The rows
// are assumed normalized; the result is normalized anyway because the basis
// may not be perfectly orthogonal.
func NewQuatFromRows(x, y, z Vec3) Quaternion {
	trace := x.X + y.Y + z.Z
	var q Quaternion
	if trace > 0 {
		s := ksqrt(trace+1.0) * 2.0
		q = Quaternion{
			X: (y.Z - z.Y) / s,
			Y: (z.X - x.Z) / s,
			Z: (x.Y - y.X) / s,
			W: 0.25 * s,
		}
	} else if x.X > y.Y && x.X > z.Z {
		s := ksqrt(1.0+x.X-y.Y-z.Z) * 2.0
		q = Quaternion{
			X: 0.25 * s,
			Y: (y.X + x.Y) / s,
			Z: (z.X + x.Z) / s,
			W: (y.Z - z.Y) / s,
		}
	} else if y.Y > z.Z {
		s := ksqrt(1.0+y.Y-x.X-z.Z) * 2.0
		q = Quaternion{
			X: (y.X + x.Y) / s,
			Y: 0.25 * s,
			Z: (z.Y + y.Z) / s,
			W: (z.X - x.Z) / s,
		}
	} else {
		s := ksqrt(1.0+z.Z-x.X-y.Y) * 2.0
		q = Quaternion{
			X: (z.X + x.Z) / s,
			Y: (z.Y + y.Z) / s,
			Z: 0.25 * s,
			W: (x.Y - y.X) / s,
		}
	}
	return q.Normalized()
}

// DecomposeTransform splits a transform matrix into position, rotation and
// scale. Reflected (mirrored) transforms are detected via the determinant and
// folded into the rotation basis so the returned scale stays positive.
func DecomposeTransform(transformation Mat4) (Vec3, Quaternion, Vec3) {
	reflected := transformation.Determinant() < 0

	position := NewVec3Zero().Transform(transformation)

	xt := NewVec3(1, 0, 0).Transform(transformation).Sub(position)
	yt := NewVec3(0, 1, 0).Transform(transformation).Sub(position)
	zt := NewVec3(0, 0, 1).Transform(transformation).Sub(position)

	scale := NewVec3(xt.Length(), yt.Length(), zt.Length())

	xt = xt.Normalized()
	yt = yt.Normalized()
	zt = zt.Normalized()
	if reflected {
		xt = xt.MulScalar(-1.0)
	}

	rotation := NewQuatFromRows(xt, yt, zt)
	return position, rotation, scale
}
